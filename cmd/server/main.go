// Command translucent runs the HTTP API simulator.
package main

func main() {
	Execute()
}
