package main

import (
	"os"

	"horse.fit/chronicle/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
