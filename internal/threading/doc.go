// Package threading owns the engine's long-lived loops: render, logic, audio
// and a fixed-size worker pool.
//
// ARCHITECTURE:
//
// Each of render, logic and audio runs on its own goroutine locked to an OS
// thread, so thread-affine native resources (GPU contexts, audio devices) stay
// on one thread for their lifetime. Every loop owns a mailbox; the only legal
// way to get code onto a loop is to post into that mailbox through Core.
//
// Render and audio loops:
//
//	while running:
//	    drain(batch)          // bounded, so one producer cannot starve the frame
//	    frames.Advance()      // one frame
//	    if mailbox empty: park(parkTimeout)
//
// Logic loop (fixed timestep, never blocks):
//
//	while running:
//	    drain(batch)
//	    accumulate elapsed wall time
//	    while accumulated >= step:
//	        onUpdate(stepSeconds); ticks.Advance(); accumulated -= step
//	    yield
//
// Shutdown order is audio, logic, render, workers. Each join is bounded; a
// wedged loop is logged as a warning and shutdown proceeds.
//
// Thread identity: each loop records its goroutine id at entry and clears it
// at exit. IsRenderThread and friends compare the caller's goroutine id.
package threading
