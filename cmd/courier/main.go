package main

import (
	"log"

	"github.com/joho/godotenv"

	"courier/internal/app"
)

func main() {
	// Absent .env files are fine; the environment wins either way.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
