package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "ragd"}

	root.AddCommand(serveCMD(), migrateCMD(), chatCMD(), evalCMD(), datasetCMD())
	_ = root.Execute()
}
