package main

import "github.com/nextlevelbuilder/wecomgw/cmd"

func main() {
	cmd.Execute()
}
