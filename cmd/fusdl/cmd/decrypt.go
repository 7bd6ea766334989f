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
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/fusdl/internal/config"
	"github.com/blacktop/fusdl/internal/download"
	"github.com/blacktop/fusdl/internal/utils"
	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/blacktop/fusdl/pkg/fwcrypt"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(decryptCmd)

	decryptCmd.Flags().StringP("input", "i", "", "encrypted archive (.enc2/.enc4)")
	decryptCmd.Flags().StringP("output", "o", "", "output file (default is the input without .enc2/.enc4)")
	decryptCmd.Flags().StringP("model", "m", "", "device model (i.e. SM-G991B)")
	decryptCmd.Flags().StringP("region", "r", "", "region/CSC code (i.e. EUX)")
	decryptCmd.Flags().StringP("version", "v", "", "firmware version PDA/CSC[/CP[/DATA]]")
	decryptCmd.Flags().String("crc", "", "BINARY_CRC of the encrypted archive (hex); enables resumable, verified decryption")
	decryptCmd.Flags().String("logic-value", "", "LOGIC_VALUE_FACTORY of a V4 archive (looked up from the service when empty)")
	viper.BindPFlag("decrypt.input", decryptCmd.Flags().Lookup("input"))
	viper.BindPFlag("decrypt.output", decryptCmd.Flags().Lookup("output"))
	viper.BindPFlag("decrypt.model", decryptCmd.Flags().Lookup("model"))
	viper.BindPFlag("decrypt.region", decryptCmd.Flags().Lookup("region"))
	viper.BindPFlag("decrypt.version", decryptCmd.Flags().Lookup("version"))
	viper.BindPFlag("decrypt.crc", decryptCmd.Flags().Lookup("crc"))
	viper.BindPFlag("decrypt.logic-value", decryptCmd.Flags().Lookup("logic-value"))
	decryptCmd.MarkFlagRequired("input")
	decryptCmd.MarkFlagRequired("model")
	decryptCmd.MarkFlagRequired("region")
	decryptCmd.MarkFlagRequired("version")
}

func parseCRC(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	crc, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CRC32 %q: %v", s, err)
	}
	return uint32(crc), nil
}

// decryptStream decrypts in to output in one pass and returns the plaintext CRC32
func decryptStream(in, output string, key fwcrypt.DecryptionKey) (uint32, error) {
	src, err := os.Open(in)
	if err != nil {
		return 0, fus.Classify(fus.ErrIO, err)
	}
	defer src.Close()

	r, err := fwcrypt.NewReader(src, key)
	if err != nil {
		return 0, err
	}
	dst, err := os.Create(download.PartPath(output))
	if err != nil {
		return 0, fus.Classify(fus.ErrIO, err)
	}
	defer dst.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(io.MultiWriter(dst, h), r); err != nil {
		if errors.Is(err, fwcrypt.ErrTruncated) {
			return 0, fmt.Errorf("%w: %w", fus.ErrProtocol, err)
		}
		return 0, fus.Classify(fus.ErrIO, err)
	}
	if err := dst.Close(); err != nil {
		return 0, fus.Classify(fus.ErrIO, err)
	}
	if err := os.Rename(download.PartPath(output), output); err != nil {
		return 0, fus.Classify(fus.ErrIO, err)
	}
	return h.Sum32(), nil
}

// decryptCmd represents the decrypt command
var decryptCmd = &cobra.Command{
	Use:           "decrypt",
	Aliases:       []string{"dec"},
	Short:         "Decrypt a downloaded .enc2/.enc4 archive",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		in := filepath.Clean(viper.GetString("decrypt.input"))
		tag, err := fus.TagFromFilename(in)
		if err != nil {
			return err
		}
		q := newQuery(
			viper.GetString("decrypt.model"),
			viper.GetString("decrypt.region"),
			viper.GetString("decrypt.version"),
			"",
		)
		info := &fus.BinaryInfo{
			Filename: filepath.Base(in),
			Tag:      tag,
			Model:    q.Model,
			Region:   q.Region,
			Version:  q.Version,
		}
		if tag == fus.V4 {
			if lv := viper.GetString("decrypt.logic-value"); lv != "" {
				info.LogicValue = lv
				if v, err := fus.NormalizeVersion(q.Version); err == nil {
					info.Version = v
				}
			} else {
				// V4 keys come from the BinaryInform reply
				op, err := newOperation(conf, q)
				if err != nil {
					return err
				}
				resolved, err := op.Info(context.Background())
				if err != nil {
					return err
				}
				if resolved.Filename != info.Filename {
					log.Warnf("service resolved %s, decrypting %s with its key", resolved.Filename, info.Filename)
				}
				info.Version = resolved.Version
				info.LatestVersion = resolved.LatestVersion
				info.LogicValue = resolved.LogicValue
				if viper.GetString("decrypt.crc") == "" && resolved.Filename == info.Filename {
					viper.Set("decrypt.crc", fmt.Sprintf("%08X", resolved.CRC))
				}
			}
		}
		key, err := fwcrypt.KeyFor(info)
		if err != nil {
			return err
		}

		output := viper.GetString("decrypt.output")
		if output == "" {
			output = filepath.Join(filepath.Dir(in), info.DecryptedName())
		}
		if output == in {
			return fmt.Errorf("output would overwrite the input %s", in)
		}
		utils.Indent(log.WithField("key", key.Fingerprint()).Info, 2)(fmt.Sprintf("Decrypting %s", in))

		if viper.GetString("decrypt.crc") == "" {
			crc, err := decryptStream(in, output, key)
			if err != nil {
				return err
			}
			log.WithField("crc32", fmt.Sprintf("%08X", crc)).Infof("Created %s", output)
			return nil
		}

		info.CRC, err = parseCRC(viper.GetString("decrypt.crc"))
		if err != nil {
			return err
		}
		ff, err := download.NewFileFetcher(in)
		if err != nil {
			return err
		}
		defer ff.Close()
		info.Size = uint64(ff.Size())

		progress, wait := newProgressBar(ff.Size())
		p := &download.Pipeline{
			Fetcher:   ff,
			ChunkSize: int64(conf.Download.ChunkSize),
			Workers:   conf.Download.Workers,
			Progress:  progress,
		}
		err = p.Run(context.Background(), info, key, output, true)
		wait(err == nil)
		if err != nil {
			return err
		}
		log.WithField("size", humanize.Bytes(info.Size)).Infof("Created %s", output)

		return nil
	},
}
