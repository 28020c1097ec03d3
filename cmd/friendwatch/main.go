// friendwatch watches a camera for one enrolled person and plays a video
// full screen while they are close to it.
package main

func main() {
	Execute()
}
