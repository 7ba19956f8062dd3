package main

import (
	"github.com/Kex1016/asuka-fp/cmd"
)

func main() {
	cmd.Execute()
}
