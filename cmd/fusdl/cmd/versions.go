/*
Copyright © 2018-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/fusdl/internal/config"
	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(versionsCmd)

	versionsCmd.Flags().StringP("model", "m", "", "device model (i.e. SM-G991B)")
	versionsCmd.Flags().StringP("region", "r", "", "region/CSC code (i.e. EUX)")
	versionsCmd.Flags().BoolP("latest", "l", false, "only print the latest version")
	viper.BindPFlag("versions.model", versionsCmd.Flags().Lookup("model"))
	viper.BindPFlag("versions.region", versionsCmd.Flags().Lookup("region"))
	viper.BindPFlag("versions.latest", versionsCmd.Flags().Lookup("latest"))
	versionsCmd.MarkFlagRequired("model")
	versionsCmd.MarkFlagRequired("region")
}

// versionsCmd represents the versions command
var versionsCmd = &cobra.Command{
	Use:           "versions",
	Aliases:       []string{"ls"},
	Short:         "List the firmware versions published for a model/region",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		t := fus.NewTransport(conf.TransportConfig())
		q := newQuery(viper.GetString("versions.model"), viper.GetString("versions.region"), "", "")
		model, region := q.Model, q.Region

		versions, err := fus.Versions(context.Background(), t, model, region)
		if err != nil {
			return err
		}
		if viper.GetBool("versions.latest") {
			fmt.Println(versions[0])
			return nil
		}

		log.WithFields(log.Fields{
			"model":  model,
			"region": region,
			"count":  len(versions),
		}).Info("Firmware versions")
		fmt.Printf("%s %s\n", versions[0], colorField("(latest)"))
		for _, v := range versions[1:] {
			fmt.Println(v)
		}

		return nil
	},
}
