package main

import "github.com/MJE43/vision-trainer-go/internal/cli"

func main() {
	cli.Execute()
}
