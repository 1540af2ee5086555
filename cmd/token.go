package cmd

import (
	"fmt"
	"time"

	pairsignal "github.com/mentorlink/pairsignal/pkg"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "issue a development access token signed with the signal auth key",
	RunE:  tokenMain,
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "", "identity placed in the sub claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(tokenCmd)
}

func tokenMain(cmd *cobra.Command, args []string) error {
	token, err := pairsignal.NewToken(conf.Signal.Auth, tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
