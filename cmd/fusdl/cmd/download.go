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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/blacktop/fusdl/internal/config"
	"github.com/blacktop/fusdl/internal/download"
	"github.com/blacktop/fusdl/internal/utils"
	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringP("model", "m", "", "device model (i.e. SM-G991B)")
	downloadCmd.Flags().StringP("region", "r", "", "region/CSC code (i.e. EUX)")
	downloadCmd.Flags().StringP("version", "v", "", "firmware version PDA/CSC[/CP[/DATA]] (default is latest)")
	downloadCmd.Flags().String("imei", "", "device IMEI/serial (required by some regions)")
	downloadCmd.Flags().StringP("output", "o", "", "output file (default is the server filename without .enc2/.enc4)")
	downloadCmd.Flags().BoolP("force", "f", false, "overwrite an existing output file")
	downloadCmd.Flags().Bool("resume", false, "resume an interrupted download without asking")
	downloadCmd.Flags().Bool("restart", false, "discard an interrupted download without asking")
	downloadCmd.Flags().IntP("workers", "w", download.DefaultWorkers, "number of parallel ranged requests")
	downloadCmd.Flags().String("chunk-size", "1MiB", "size of one ranged request (multiple of 16 bytes)")
	downloadCmd.Flags().Int("retries", download.DefaultRetries, "attempts made for transient failures")
	downloadCmd.Flags().Duration("retry-delay", download.DefaultRetryDelay, "backoff before the first retry")
	downloadCmd.Flags().String("limit-rate", "0", "limit download speed (i.e. 2MB, 0 = unlimited)")
	viper.BindPFlag("download.model", downloadCmd.Flags().Lookup("model"))
	viper.BindPFlag("download.region", downloadCmd.Flags().Lookup("region"))
	viper.BindPFlag("download.version", downloadCmd.Flags().Lookup("version"))
	viper.BindPFlag("download.imei", downloadCmd.Flags().Lookup("imei"))
	viper.BindPFlag("download.output", downloadCmd.Flags().Lookup("output"))
	viper.BindPFlag("download.force", downloadCmd.Flags().Lookup("force"))
	viper.BindPFlag("download.resume", downloadCmd.Flags().Lookup("resume"))
	viper.BindPFlag("download.restart", downloadCmd.Flags().Lookup("restart"))
	viper.BindPFlag("download.workers", downloadCmd.Flags().Lookup("workers"))
	viper.BindPFlag("download.chunk-size", downloadCmd.Flags().Lookup("chunk-size"))
	viper.BindPFlag("download.retries", downloadCmd.Flags().Lookup("retries"))
	viper.BindPFlag("download.retry-delay", downloadCmd.Flags().Lookup("retry-delay"))
	viper.BindPFlag("download.limit-rate", downloadCmd.Flags().Lookup("limit-rate"))
	downloadCmd.MarkFlagRequired("model")
	downloadCmd.MarkFlagRequired("region")
	downloadCmd.MarkFlagsMutuallyExclusive("resume", "restart")
}

// askResume decides what to do with the checkpoint left next to output.
// It returns resume=false, skip=true when the user chose to leave it alone.
func askResume(output string) (resume bool, skip bool) {
	if _, err := os.Stat(download.StatePath(output)); err != nil {
		return false, false
	}
	switch {
	case viper.GetBool("download.resume"):
		return true, false
	case viper.GetBool("download.restart"):
		log.Infof("Downloading %s - RESTARTED", output)
		return false, false
	}

	choice := ""
	prompt := &survey.Select{
		Message: fmt.Sprintf("Previous download of %s can be resumed:", output),
		Options: []string{"resume", "restart", "skip"},
	}
	if err := survey.AskOne(prompt, &choice); err != nil {
		// non-interactive terminals keep the checkpoint
		return true, false
	}
	switch choice {
	case "restart":
		log.Infof("Downloading %s - RESTARTED", output)
		return false, false
	case "skip":
		log.Infof("%s - SKIPPED", output)
		return false, true
	default:
		return true, false
	}
}

// newProgressBar renders pipeline progress; call the returned func when done
func newProgressBar(size int64) (func(done, total int64), func(ok bool)) {
	p := mpb.New(
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)
	bar := p.New(size,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.CountersKibiByte("\t% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "✅ "),
			decor.Name(" ] "),
			decor.AverageSpeed(decor.SizeB1024(0), "% .2f", decor.WCSyncWidth),
		),
	)
	first := true
	progress := func(done, total int64) {
		if first && done > 0 {
			bar.SetRefill(done)
		}
		first = false
		bar.SetCurrent(done)
	}
	wait := func(ok bool) {
		if !ok {
			bar.Abort(false)
		}
		p.Wait()
	}
	return progress, wait
}

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:           "download",
	Aliases:       []string{"dl"},
	Short:         "Download and decrypt a firmware archive",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		op, err := newOperation(conf, newQuery(
			viper.GetString("download.model"),
			viper.GetString("download.region"),
			viper.GetString("download.version"),
			viper.GetString("download.imei"),
		))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		info, err := op.Info(ctx)
		if err != nil {
			return err
		}
		printInfo(info)

		output := viper.GetString("download.output")
		if output == "" {
			output = info.DecryptedName()
		}
		if _, err := os.Stat(output); err == nil && !viper.GetBool("download.force") {
			log.Warnf("%s already exists (use --force to overwrite)", output)
			return nil
		}
		resume, skip := askResume(output)
		if skip {
			return nil
		}
		op.Options.Resume = resume

		progress, wait := newProgressBar(int64(info.Size))
		op.Options.Progress = progress

		log.WithFields(log.Fields{
			"workers":    op.Options.Workers,
			"chunk-size": conf.Download.ChunkSize,
		}).Debug("Starting download")
		utils.Indent(log.Info, 2)(fmt.Sprintf("Downloading %s", output))

		var runErr error
		finished := make(chan struct{})
		err = ctrlc.Default.Run(ctx, func() error {
			defer close(finished)
			_, runErr = op.Run(ctx, output)
			return runErr
		})
		if errors.As(err, &ctrlc.ErrorCtrlC{}) {
			// stop the workers and let the pipeline write its checkpoint
			cancel()
			<-finished
			err = runErr
		}
		wait(err == nil)

		switch {
		case err == nil:
			log.Infof("Created %s", output)
		case errors.Is(err, fus.ErrInterrupted):
			log.Warnf("Download paused at stage %s, run again with --resume to continue", op.Stage())
		case errors.Is(err, fus.ErrIntegrity):
			log.Errorf("Integrity check failed, partial output kept at %s", download.PartPath(output))
		}
		return err
	},
}
