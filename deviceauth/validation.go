package deviceauth

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/pkg/errors"
)

const maxLabelLength = 50

var startURLHostSuffixes = []string{".awsapps.com", ".awsapps.cn"}

// ValidateStartURL checks that startURL is an absolute http(s) URL. Unless
// anyHost is set the host must belong to the AWS access portal domains.
func ValidateStartURL(startURL string, anyHost bool) error {
	u, err := url.ParseRequestURI(startURL)
	if err != nil {
		return errors.Wrap(faults.ErrInvalidStartUrl, err.Error())
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.Wrapf(faults.ErrInvalidStartUrl, "unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.Wrap(faults.ErrInvalidStartUrl, "missing host")
	}
	if anyHost {
		return nil
	}
	for _, suffix := range startURLHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil
		}
	}
	return errors.Wrapf(faults.ErrInvalidStartUrl, "host %q is not an access portal", host)
}

func ValidateRegion(region string) error {
	if !gateway.IsSupportedRegion(region) {
		return errors.Wrapf(faults.ErrInvalidAwsRegion, "region %q", region)
	}
	return nil
}

// ValidateLabel trims label and checks it is 1 to 50 characters long.
func ValidateLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	n := utf8.RuneCountInString(label)
	if n == 0 || n > maxLabelLength {
		return "", errors.Wrapf(faults.ErrInvalidLabel, "label must be 1-%d characters", maxLabelLength)
	}
	return label, nil
}
