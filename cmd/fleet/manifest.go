package main

import (
	"encoding/json"
	"os"

	"github.com/distr1/fleet"
)

// manifest is the on-disk shape read by -config. It is a flat list of
// already-resolved hosts, not a declarative evaluator input: turning Nix
// expressions into attribute paths and host lists is out of this module's
// scope (spec.md §1), so manifest only carries what StaticConfig needs
// verbatim. Modeled on cmd/autobuilder/autobuilder.go's json.Unmarshal-a-
// struct-from-a-file idiom.
type manifest struct {
	Hosts      []fleet.Host                `json:"hosts"`
	LocalHosts []fleet.Host                `json:"local_hosts"`
	SkipHosts  []fleet.Host                `json:"skip_hosts"`
	BuildArgs  []string                    `json:"build_args"`
	AttrPrefix string                      `json:"attr_prefix"`
	After      map[fleet.Host][]fleet.Host `json:"after"`
	SSHUser    string                      `json:"ssh_user"`
}

func loadManifest(path string) (*manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func setFromSlice(hosts []fleet.Host) map[fleet.Host]bool {
	m := make(map[fleet.Host]bool, len(hosts))
	for _, h := range hosts {
		m[h] = true
	}
	return m
}
