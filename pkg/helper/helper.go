// Package helper holds small standalone functions used across the
// reconstructor that don't belong to any one domain package.
//
// Grounded on pkg/helper's style of narrow, independently-tested
// functions; the narinfo/nar path helpers are replaced with fragment-archive
// path helpers and a netrc loader adapted from cmd/serve.go's
// parseNetrcFile.
package helper

import (
	"fmt"
	"os"

	"github.com/sysbot/go-netrc"

	"github.com/objectfs/reconstructord/pkg/peercontrol"
)

// FragmentFileName returns the on-disk filename for a fragment archive: a
// timestamp and fragment index for a regular fragment, or a bare timestamp
// with a ".ts" suffix for a tombstone.
func FragmentFileName(timestamp string, fragIndex int) string {
	if fragIndex < 0 {
		return timestamp + ".ts"
	}

	return fmt.Sprintf("%s#%d.data", timestamp, fragIndex)
}

// LoadNetrcCredentials parses a netrc file and returns the credentials for
// machine, or nil if the file has no matching entry.
func LoadNetrcCredentials(netrcPath, machine string) (*peercontrol.NetrcCredentials, error) {
	file, err := os.Open(netrcPath)
	if err != nil {
		return nil, fmt.Errorf("error opening netrc file: %w", err)
	}
	defer file.Close()

	n, err := netrc.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("error parsing netrc file: %w", err)
	}

	m := n.FindMachine(machine)
	if m == nil {
		return nil, nil //nolint:nilnil
	}

	return &peercontrol.NetrcCredentials{Username: m.Login, Password: m.Password}, nil
}
