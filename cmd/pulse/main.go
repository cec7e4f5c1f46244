package main

import (
	"log"

	"github.com/Conversly/pulse/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
