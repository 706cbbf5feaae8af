package main

import "billtracker/internal/app"

func main() {
	app.Main()
}
