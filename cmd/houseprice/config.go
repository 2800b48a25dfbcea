package main

import (
	"fmt"
	"log"

	"github.com/jnb666/houseprice/nnet"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config <model>...",
	Short: "write the default training config with the regression head for each backbone to <model>.net",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, model := range args {
			conf := nnet.DefaultConfig
			conf.Model = model
			conf, err := nnet.HeadConfig(conf, 1)
			if err != nil {
				return err
			}
			fmt.Println(conf)
			log.Printf("saving config to %s.net", model)
			if err = conf.Save(model + ".net"); err != nil {
				return err
			}
		}
		return nil
	},
}
