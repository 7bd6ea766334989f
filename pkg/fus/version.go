package fus

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// NormalizeVersion expands a firmware version to the PDA/CSC/Phone/Data form.
// Missing Phone and Data components default to the PDA component.
func NormalizeVersion(version string) (string, error) {
	parts := strings.Split(strings.TrimSpace(version), "/")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch len(parts) {
	case 2:
		parts = append(parts, parts[0], parts[0])
	case 3:
		parts = append(parts, parts[0])
	case 4:
	default:
		return "", fmt.Errorf("invalid firmware version %q: want PDA/CSC[/Phone[/Data]]", version)
	}
	for i, p := range parts {
		if p == "" {
			// Wi-Fi only devices have no Phone component
			if i >= 2 {
				continue
			}
			return "", fmt.Errorf("invalid firmware version %q: empty component", version)
		}
	}
	if parts[3] == "" {
		parts[3] = parts[0]
	}
	return strings.Join(parts, "/"), nil
}

type versionInfo struct {
	XMLName  xml.Name `xml:"versioninfo"`
	Firmware struct {
		Version struct {
			Latest  string `xml:"latest"`
			Upgrade struct {
				Values []struct {
					Value string `xml:",chardata"`
					Size  string `xml:"fwsize,attr"`
				} `xml:"value"`
			} `xml:"upgrade"`
		} `xml:"version"`
	} `xml:"firmware"`
}

// Versions lists the latest firmware version followed by the other versions
// the service advertises for model/region.
func Versions(ctx context.Context, t *Transport, model, region string) ([]string, error) {
	resp, err := t.Get(ctx, fmt.Sprintf("%s/%s/version.xml", strings.ToUpper(region), strings.ToUpper(model)))
	if err != nil {
		var se *ServerError
		if errors.As(err, &se) && (se.Status == 403 || se.Status == 404) {
			return nil, fmt.Errorf("%w: no version listing for %s/%s", ErrNotFound, model, region)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read version.xml: %w", ErrNetwork, err)
	}

	var vi versionInfo
	if err := xml.Unmarshal(body, &vi); err != nil {
		return nil, fmt.Errorf("%w: version.xml: %w", ErrParse, err)
	}

	latest := strings.TrimSpace(vi.Firmware.Version.Latest)
	if latest == "" {
		return nil, fmt.Errorf("%w: no firmware listed for %s/%s", ErrNotFound, model, region)
	}
	latest, err = NormalizeVersion(latest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	versions := []string{latest}
	for _, v := range vi.Firmware.Version.Upgrade.Values {
		nv, err := NormalizeVersion(v.Value)
		if err != nil || nv == latest {
			continue
		}
		versions = append(versions, nv)
	}

	return versions, nil
}

// LatestVersion returns the newest firmware version for model/region
func LatestVersion(ctx context.Context, t *Transport, model, region string) (string, error) {
	versions, err := Versions(ctx, t, model, region)
	if err != nil {
		return "", err
	}
	return versions[0], nil
}
