package main

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "1.0.0"

func main() {
	Execute()
}
