package main

import "rockyard/internal/rockyard"

func main() {
	rockyard.Main()
}
