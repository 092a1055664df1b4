// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sites

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

var ErrMissingCredentials = errors.New("missing site credentials")

// Credentials log in to a tracker site.
type Credentials struct {
	Username string
	Password string
}

type envLookup func(string) (string, bool)

func osLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Credentials resolves <envPrefix>_USERNAME and <envPrefix>_PASSWORD for the site.
// The password may also come from the file named by <envPrefix>_PASSWORD_FILE.
// Values are read on every call so rotated secrets are picked up without a restart.
func (r *Registry) Credentials(key string) (Credentials, error) {
	site, err := r.Lookup(key)
	if err != nil {
		return Credentials{}, err
	}

	prefix := strings.ToUpper(site.EnvPrefix)

	username, _ := r.lookup(prefix + "_USERNAME")

	password, _ := r.lookup(prefix + "_PASSWORD")
	if path, ok := r.lookup(prefix + "_PASSWORD_FILE"); ok && path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Credentials{}, errors.Wrapf(err, "read %s_PASSWORD_FILE", prefix)
		}
		password = strings.TrimSpace(string(content))
	}

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Credentials{}, errors.Wrapf(ErrMissingCredentials, "site %s: set %s_USERNAME and %s_PASSWORD", key, prefix, prefix)
	}

	return Credentials{Username: username, Password: password}, nil
}

// CredentialEnvVars lists the environment variables a site reads its login from.
func (s *Site) CredentialEnvVars() []string {
	prefix := strings.ToUpper(s.EnvPrefix)
	return []string{prefix + "_USERNAME", prefix + "_PASSWORD"}
}
