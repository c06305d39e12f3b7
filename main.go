package main

import (
	"github.com/vulnpredict/vulnflow/cmd"
)

func main() {
	cmd.Execute()
}
