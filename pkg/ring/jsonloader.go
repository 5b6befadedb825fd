package ring

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/objectfs/reconstructord/pkg/job"
)

// fileDevice is the on-disk JSON form of a ring device record.
type fileDevice struct {
	ID              int    `json:"id"`
	Region          int    `json:"region"`
	Zone            int    `json:"zone"`
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	ReplicationIP   string `json:"replication_ip"`
	ReplicationPort int    `json:"replication_port"`
	Device          string `json:"device"`
}

// fileRing is the on-disk JSON form of a policy ring: a partition-to-
// device-list map, the device's position in the list giving its fragment
// index for that partition, plus the replica count, which is copied into
// Policy.Replicas; list lengths are not checked against it.
type fileRing struct {
	Name       string                  `json:"name"`
	Replicas   int                     `json:"replicas"`
	Partitions map[string][]fileDevice `json:"partitions"`
}

// JSONLoader returns a Loader that reads a policy ring from a JSON file:
// a flat partition-to-device-list map where list position is the device's
// fragment index for that partition. This is the reconstructor's own
// on-disk ring representation, not a passthrough of any upstream ring
// builder's format.
func JSONLoader(policyName string) Loader {
	return func(path string) (Policy, time.Time, error) {
		info, err := os.Stat(path)
		if err != nil {
			return Policy{}, time.Time{}, fmt.Errorf("error stat'ing ring file %q: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return Policy{}, time.Time{}, fmt.Errorf("error opening ring file %q: %w", path, err)
		}
		defer f.Close()

		var fr fileRing

		if err := json.NewDecoder(f).Decode(&fr); err != nil {
			return Policy{}, time.Time{}, fmt.Errorf("error decoding ring file %q: %w", path, err)
		}

		partNums := make([]int, 0, len(fr.Partitions))
		for k := range fr.Partitions {
			n, err := strconv.Atoi(k)
			if err != nil {
				return Policy{}, time.Time{}, fmt.Errorf("ring file %q: partition key %q is not an integer: %w", path, k, err)
			}

			partNums = append(partNums, n)
		}

		sort.Ints(partNums)

		partitions := make(map[int][]job.Device, len(fr.Partitions))

		for _, n := range partNums {
			devs := fr.Partitions[strconv.Itoa(n)]
			out := make([]job.Device, len(devs))

			for i, d := range devs {
				out[i] = job.Device{
					ID:              d.ID,
					Region:          d.Region,
					Zone:            d.Zone,
					IP:              d.IP,
					Port:            d.Port,
					ReplicationIP:   d.ReplicationIP,
					ReplicationPort: d.ReplicationPort,
					Device:          d.Device,
					Index:           i,
				}
			}

			partitions[n] = out
		}

		policy := Policy{
			Name:       policyName,
			Replicas:   fr.Replicas,
			Partitions: partitions,
		}

		return policy, info.ModTime(), nil
	}
}
