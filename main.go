package main

import "holderbot/internal/app"

func main() {
	app.Main()
}
