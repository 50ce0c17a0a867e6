package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/yairfalse/awsagent/pkg/entity"
)

const (
	certificateTypeIAM = "iam"
	certificateTypeACM = "acm"

	// IAM server certificates have no status; uploaded means issued.
	iamCertificateStatus = "ISSUED"

	expirationLayout = "2006-01-02T15:04:05"
)

// scanCertificates scans IAM server certificates and ACM certificates.
// A failure of either source fails the whole kind.
func (p *Plugin) scanCertificates(ctx context.Context) ([]entity.Entity, error) {
	out, err := p.iamCertificates(ctx)
	if err != nil {
		return nil, err
	}
	acmCerts, err := p.acmCertificates(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, acmCerts...), nil
}

func (p *Plugin) iamCertificates(ctx context.Context) ([]entity.Entity, error) {
	var out []entity.Entity
	var marker *string

	for {
		output, err := call(ctx, p, "iam.ListServerCertificates", func(ctx context.Context) (*iam.ListServerCertificatesOutput, error) {
			return p.iamClient.ListServerCertificates(ctx, &iam.ListServerCertificatesInput{Marker: marker})
		})
		if err != nil {
			return nil, fmt.Errorf("list server certificates: %w", err)
		}

		for _, cert := range output.ServerCertificateMetadataList {
			name := aws.ToString(cert.ServerCertificateName)
			out = append(out, p.newEntity("cert-iam-"+name, entity.CertificateAttrs{
				Name:            name,
				ARN:             aws.ToString(cert.Arn),
				Status:          iamCertificateStatus,
				CertificateType: certificateTypeIAM,
				Expiration:      formatExpiration(cert.Expiration),
			}))
		}

		if !output.IsTruncated || output.Marker == nil {
			break
		}
		marker = output.Marker
	}
	return out, nil
}

func (p *Plugin) acmCertificates(ctx context.Context) ([]entity.Entity, error) {
	var arns []string
	var nextToken *string

	for {
		output, err := call(ctx, p, "acm.ListCertificates", func(ctx context.Context) (*acm.ListCertificatesOutput, error) {
			return p.acmClient.ListCertificates(ctx, &acm.ListCertificatesInput{NextToken: nextToken})
		})
		if err != nil {
			return nil, fmt.Errorf("list acm certificates: %w", err)
		}
		for _, summary := range output.CertificateSummaryList {
			arns = append(arns, aws.ToString(summary.CertificateArn))
		}
		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return collect(p, entity.KindCertificate, arns, func(arn string) (entity.Entity, error) {
		output, err := call(ctx, p, "acm.DescribeCertificate", func(ctx context.Context) (*acm.DescribeCertificateOutput, error) {
			return p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
		})
		if err != nil {
			return entity.Entity{}, fmt.Errorf("describe acm certificate %s: %w", arn, err)
		}
		cert := output.Certificate
		if cert == nil {
			return entity.Entity{}, entity.Skip(arn, "empty description")
		}

		domain := aws.ToString(cert.DomainName)
		return p.newEntity("cert-acm-"+domain, entity.CertificateAttrs{
			Name:            domain,
			ARN:             aws.ToString(cert.CertificateArn),
			Status:          string(cert.Status),
			CertificateType: certificateTypeACM,
			Expiration:      formatExpiration(cert.NotAfter),
		}), nil
	})
}

func formatExpiration(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(expirationLayout)
}
