package slashtags

import (
	"context"
	"encoding/json"
	"fmt"
)

// SetProfile writes profile as JSON to profile.json in the default
// drive.
func (s *Slashtag) SetProfile(ctx context.Context, profile map[string]any) error {
	if s.remote {
		return WrapError(ErrRemoteIdentity, "set profile requires the secret key")
	}
	d, err := s.Drive(ctx, DriveOptions{Name: DefaultDriveName})
	if err != nil {
		return err
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return d.Put(ctx, ProfilePath, data)
}

// GetProfile reads the default drive's profile.json. An absent profile
// reports ok=false without an error.
func (s *Slashtag) GetProfile(ctx context.Context) (map[string]any, bool, error) {
	if s.remote {
		// A remote identity's default drive key is not derivable
		// without its secret; the profile is reachable only through a
		// drive key it shared.
		return nil, false, nil
	}
	d, err := s.Drive(ctx, DriveOptions{Name: DefaultDriveName})
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := d.Get(ctx, ProfilePath)
	if err != nil || !ok {
		return nil, false, err
	}
	var profile map[string]any
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, false, fmt.Errorf("decode profile: %w", err)
	}
	return profile, true, nil
}
