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
	"strings"

	"github.com/blacktop/fusdl/internal/config"
	"github.com/blacktop/fusdl/internal/download"
	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var colorHeader = color.New(color.Bold, color.FgHiBlue).SprintFunc()
var colorField = color.New(color.Bold).SprintFunc()
var colorValue = color.New(color.FgHiGreen).SprintFunc()

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringP("model", "m", "", "device model (i.e. SM-G991B)")
	infoCmd.Flags().StringP("region", "r", "", "region/CSC code (i.e. EUX)")
	infoCmd.Flags().StringP("version", "v", "", "firmware version PDA/CSC[/CP[/DATA]] (default is latest)")
	infoCmd.Flags().String("imei", "", "device IMEI/serial (required by some regions)")
	viper.BindPFlag("info.model", infoCmd.Flags().Lookup("model"))
	viper.BindPFlag("info.region", infoCmd.Flags().Lookup("region"))
	viper.BindPFlag("info.version", infoCmd.Flags().Lookup("version"))
	viper.BindPFlag("info.imei", infoCmd.Flags().Lookup("imei"))
	infoCmd.MarkFlagRequired("model")
	infoCmd.MarkFlagRequired("region")
}

// newOperation builds a download operation for q from the loaded config
// newQuery builds a device query from user input. Model and region codes are
// upper case on the service and in the V2 key.
func newQuery(model, region, version, imei string) fus.DeviceQuery {
	return fus.DeviceQuery{
		Model:   strings.ToUpper(strings.TrimSpace(model)),
		Region:  strings.ToUpper(strings.TrimSpace(region)),
		Version: strings.TrimSpace(version),
		IMEI:    strings.TrimSpace(imei),
	}
}

func newOperation(conf *config.Config, q fus.DeviceQuery) (*download.Operation, error) {
	keys, err := conf.Keys()
	if err != nil {
		return nil, err
	}
	return &download.Operation{
		Transport: fus.NewTransport(conf.TransportConfig()),
		Keys:      keys,
		Query:     q,
		Options:   conf.DownloadOptions(),
	}, nil
}

func printInfo(info *fus.BinaryInfo) {
	field := func(name string, value any) {
		fmt.Printf("  %-9s %s\n", colorField(name+":"), colorValue(value))
	}
	fmt.Println(colorHeader("Firmware info:"))
	if info.DisplayName != "" {
		field("Model", fmt.Sprintf("%s (%s)", info.Model, info.DisplayName))
	} else {
		field("Model", info.Model)
	}
	field("Region", info.Region)
	field("Version", info.Version)
	if info.Platform != "" || info.OSVersion != "" {
		field("OS", fmt.Sprintf("%s %s", info.Platform, info.OSVersion))
	}
	field("File", info.Path+info.Filename)
	field("Size", fmt.Sprintf("%s (%d bytes)", humanize.Bytes(info.Size), info.Size))
	field("CRC32", fmt.Sprintf("%08X", info.CRC))
	field("Format", info.Tag)
	if info.LastModified != "" {
		field("Date", info.LastModified)
	}
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info",
	Aliases:       []string{"i"},
	Short:         "Show the firmware descriptor for a model/region/version",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		op, err := newOperation(conf, newQuery(
			viper.GetString("info.model"),
			viper.GetString("info.region"),
			viper.GetString("info.version"),
			viper.GetString("info.imei"),
		))
		if err != nil {
			return err
		}

		info, err := op.Info(context.Background())
		if err != nil {
			return err
		}
		printInfo(info)

		return nil
	},
}
