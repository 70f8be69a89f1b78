// Command btffsim exercises the btff allocator with allocation traces.
package main

func main() {
	execute()
}
