package main

import "github.com/andresmejia3/facemood/cmd"

func main() {
	cmd.Execute()
}
