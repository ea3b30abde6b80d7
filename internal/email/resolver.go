package email

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Well-known IMAP endpoints for popular providers
var knownIMAPServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"yandex.ru":      "imap.yandex.ru:993",
	"yandex.com":     "imap.yandex.com:993",
	"mail.ru":        "imap.mail.ru:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
}

// ResolveIMAPServer determines the IMAP host and port for a mail address.
// Known providers are answered from the table; for the rest, the common
// imap./mail. prefixes are probed, then the domain's MX records.
func ResolveIMAPServer(address string) (host string, port int, err error) {
	_, domain, ok := strings.Cut(address, "@")
	if !ok || domain == "" {
		return "", 0, fmt.Errorf("invalid mail address %q", address)
	}
	domain = strings.ToLower(domain)

	if server, ok := knownIMAPServers[domain]; ok {
		return splitServer(server)
	}

	for _, candidate := range []string{"imap." + domain, "mail." + domain, domain} {
		if probeIMAP(candidate, 993) {
			return candidate, 993, nil
		}
	}

	if mxHost, ok := resolveViaMX(domain); ok {
		return mxHost, 993, nil
	}

	// Last guess, the connect attempt will report a typed error if wrong
	return "imap." + domain, 993, nil
}

func splitServer(server string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func probeIMAP(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// resolveViaMX derives an IMAP host from the domain's primary MX record,
// e.g. mx.example.com -> imap.example.com
func resolveViaMX(domain string) (string, bool) {
	mxRecords, err := net.LookupMX(domain)
	if err != nil || len(mxRecords) == 0 {
		return "", false
	}

	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")
	_, base, ok := strings.Cut(mxHost, ".")
	if !ok {
		return "", false
	}
	for _, candidate := range []string{"imap." + base, "mail." + base} {
		if probeIMAP(candidate, 993) {
			return candidate, true
		}
	}
	return "", false
}
