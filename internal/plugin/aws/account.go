package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam"
)

// AccountAlias returns the first IAM account alias, or "" if none is set.
func (p *Plugin) AccountAlias(ctx context.Context) (string, error) {
	output, err := call(ctx, p, "iam.ListAccountAliases", func(ctx context.Context) (*iam.ListAccountAliasesOutput, error) {
		return p.iamClient.ListAccountAliases(ctx, &iam.ListAccountAliasesInput{})
	})
	if err != nil {
		return "", fmt.Errorf("list account aliases: %w", err)
	}
	if len(output.AccountAliases) == 0 {
		return "", nil
	}
	return output.AccountAliases[0], nil
}
