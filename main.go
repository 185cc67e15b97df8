package main

import "github.com/glockpete/Forecastin-sub000/cmd"

func main() {
	cmd.Execute()
}
