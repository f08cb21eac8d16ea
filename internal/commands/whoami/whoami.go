// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package whoami implements the whoami command, which reports the
// identity behind the configured AWS credentials.
package whoami

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/pkg/identity"
)

// Identity is the caller identity.
type Identity struct {
	shared.JSONResponse
	Account     string `json:"account"`
	ARN         string `json:"arn"`
	UserID      string `json:"user_id"`
	AccessKeyID string `json:"access_key_id"`
	Expires     string `json:"expires,omitempty"`
}

// CallerIdentityAPI is the STS call whoami makes.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// NewCommand creates the whoami command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity behind the configured credentials",
		Long: `Resolve credentials the same way calls do and ask STS which account
and principal they belong to. Only credential sources that produce AWS
credentials are supported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := shared.NewRuntime(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

			if rt.Credentials == nil {
				return shared.NewConfigError("whoami needs AWS credentials",
					errors.New("credentials.source must be default or env"))
			}
			stsClient := sts.NewFromConfig(aws.Config{
				Region:      rt.Config.Region,
				Credentials: aws.NewCredentialsCache(identity.AsAWS(rt.Credentials)),
			})
			return Run(cmd, rt.Credentials, stsClient)
		},
	}
}

// Run resolves credentials from provider, queries api and prints the
// result.
func Run(cmd *cobra.Command, provider identity.Provider, api CallerIdentityAPI) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return shared.NewCallError("failed to resolve credentials", err)
	}
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return shared.NewCallError("GetCallerIdentity failed", errors.New(identity.SanitizeAWSError(err.Error())))
	}

	id := Identity{
		JSONResponse: shared.JSONResponse{Version: "1.0", Command: "whoami", Success: true},
		Account:      aws.ToString(out.Account),
		ARN:          aws.ToString(out.Arn),
		UserID:       aws.ToString(out.UserId),
		AccessKeyID:  redact(creds.AccessKeyID),
	}
	if creds.CanExpire() {
		id.Expires = creds.Expires.UTC().Format(time.RFC3339)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), id)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "account:       %s\n", id.Account)
	fmt.Fprintf(w, "arn:           %s\n", id.ARN)
	fmt.Fprintf(w, "user id:       %s\n", id.UserID)
	fmt.Fprintf(w, "access key id: %s\n", id.AccessKeyID)
	if id.Expires != "" {
		fmt.Fprintf(w, "expires:       %s\n", id.Expires)
	}
	return nil
}

func redact(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + "****"
}
