package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// Member is one entry of the bootstrap member list.
type Member struct {
	Host string
	Port int
}

// Address returns the member's command endpoint.
func (m Member) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// LoadMembers reads the bootstrap member list from path. Entries without a
// port use defaultPort.
func LoadMembers(path string, defaultPort int) ([]Member, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open member list: %w", err)
	}
	defer f.Close()

	members, err := ParseMembers(f, defaultPort)
	if err != nil {
		return nil, fmt.Errorf("failed to read member list %s: %w", path, err)
	}
	return members, nil
}

// ParseMembers parses a line-oriented member list. Blank lines and lines
// starting with '#' are skipped; duplicates are dropped.
func ParseMembers(r io.Reader, defaultPort int) ([]Member, error) {
	var (
		members = make([]Member, 0)
		seen    = make(map[string]bool)
		scanner = bufio.NewScanner(r)
		lineNo  = 0
	)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m, err := parseMember(line, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if seen[m.Address()] {
			continue
		}
		seen[m.Address()] = true
		members = append(members, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func parseMember(line string, defaultPort int) (Member, error) {
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		// bare hostname
		if strings.Contains(line, " ") {
			return Member{}, fmt.Errorf("invalid member %q", line)
		}
		return Member{Host: line, Port: defaultPort}, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || !validPort(port) {
		return Member{}, fmt.Errorf("invalid port in member %q", line)
	}
	if host == "" {
		return Member{}, fmt.Errorf("missing host in member %q", line)
	}
	return Member{Host: host, Port: port}, nil
}
