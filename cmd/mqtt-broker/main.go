// mqtt-broker 命令行入口
//
// 用法:
//
//	mqtt-broker serve --config config.yaml
//	mqtt-broker pub --url tcp://localhost:1883 --topic a/b --qos 1 --message hello
//	mqtt-broker sub --url ws://localhost:8083/mqtt --topic a/# --qos 1
//	mqtt-broker hash-password <password>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "mqtt-broker",
	Short:         "MQTT 3.1.1 broker and command line client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, pubCmd, subCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
