package main

import "petshop-service/cmd"

func main() {
	cmd.Execute()
}
