//go:build linux

package server

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// logListenBacklog logs the listen address and the kernel's accept backlog
func logListenBacklog(addr string) {
	somaxconn := 0
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 1024 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections under a login burst", somaxconn)
	}
}

// monitorListenOverflows samples the kernel's ListenOverflows counter and
// reports growth as dropped connections
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := readListenOverflows()
	for {
		select {
		case <-ticker.C:
			current := readListenOverflows()
			if current > last {
				log.Printf("WARNING: %d connection(s) dropped by listen backlog overflow", current-last)
				s.metrics.RecordListenOverflows(current - last)
			}
			last = current

		case <-s.shutdown:
			return
		}
	}
}

func readListenOverflows() uint64 {
	f, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer f.Close()
	return parseListenOverflows(f)
}

// parseListenOverflows extracts TcpExt ListenOverflows from /proc/net/netstat,
// which lists a header line followed by a value line per protocol
func parseListenOverflows(r io.Reader) uint64 {
	scanner := bufio.NewScanner(r)
	var headers []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		values := fields[1:]
		for i, h := range headers {
			if h == "ListenOverflows" && i < len(values) {
				n, _ := strconv.ParseUint(values[i], 10, 64)
				return n
			}
		}
		return 0
	}
	return 0
}
