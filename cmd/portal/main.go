package main

import "github.com/kapstong/integ-capstone-sub005/internal/cli"

func main() {
	cli.Execute()
}
