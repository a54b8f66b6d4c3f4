//go:build !linux

package threading

func nameOSThread(string) error { return nil }
