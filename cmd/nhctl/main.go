// Command nhctl checks mod manifests against shared objects and heals
// failsafe files left behind by crashed processes.
package main

func main() {
	Execute()
}
