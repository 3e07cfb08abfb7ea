// Package status renders the §6 status sink: versioned rows of
// {common-name, real-addr, virtual-addr, bytes-in, bytes-out,
// connected-since} for every live client instance. The core only
// supplies the fields; this package owns the three on-disk formats,
// grounded on the teacher's pkg/config/stats.go Stats/Snapshot/
// FormatBytes/FormatDuration helpers, re-expressed against registry
// instances instead of the teacher's flat peer map.
package status

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Row is one client's status line. The core only supplies fields; the
// writer is the sole owner of layout.
type Row struct {
	CommonName     string
	RealAddr       string
	VirtualAddr    string
	BytesIn        uint64
	BytesOut       uint64
	PacketErrors   uint64
	ConnectedSince time.Time
}

// Version selects one of the three recognized on-disk formats.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
)

// Write renders rows in the requested status_file_version format.
func Write(w io.Writer, version Version, rows []Row, now time.Time) error {
	switch version {
	case V1:
		return writeV1(w, rows)
	case V2:
		return writeV2(w, rows, now)
	case V3:
		return writeV3(w, rows, now)
	default:
		return fmt.Errorf("unsupported status_file_version %d", version)
	}
}

// writeV1 is the legacy comma-separated format: one "CLIENT_LIST" line
// per peer, no header, no totals.
func writeV1(w io.Writer, rows []Row) error {
	for _, r := range rows {
		_, err := fmt.Fprintf(w, "CLIENT_LIST,%s,%s,%s,%d,%d,%s\n",
			r.CommonName, r.RealAddr, r.VirtualAddr, r.BytesIn, r.BytesOut,
			r.ConnectedSince.Format(time.ANSIC))
		if err != nil {
			return err
		}
	}
	return nil
}

// writeV2 adds a title, timestamp, and headers, still comma-separated.
func writeV2(w io.Writer, rows []Row, now time.Time) error {
	if _, err := fmt.Fprintf(w, "TITLE,status server\nTIME,%s,%d\n",
		now.Format(time.ANSIC), now.Unix()); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Bytes Received,Bytes Sent,Connected Since"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := fmt.Fprintf(w, "CLIENT_LIST,%s,%s,%s,%d,%d,%s\n",
			r.CommonName, r.RealAddr, r.VirtualAddr, r.BytesIn, r.BytesOut,
			r.ConnectedSince.Format(time.ANSIC))
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "END")
	return err
}

// writeV3 is a tab-aligned human-readable table, the format an
// operator tails interactively. Unlike v1/v2, which reproduce
// OpenVPN's fixed historical CLIENT_LIST field layout byte-for-byte,
// v3 is this repository's own format, so it's the one that carries
// PacketErrors.
func writeV3(w io.Writer, rows []Row, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "status as of %s\n", now.Format(time.RFC3339))
	fmt.Fprintln(tw, "COMMON NAME\tREAL ADDRESS\tVIRTUAL ADDRESS\tBYTES IN\tBYTES OUT\tPACKET ERRORS\tCONNECTED SINCE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.CommonName, r.RealAddr, r.VirtualAddr,
			FormatBytes(r.BytesIn), FormatBytes(r.BytesOut), r.PacketErrors,
			FormatDuration(now.Sub(r.ConnectedSince)))
	}
	return tw.Flush()
}

// FormatBytes renders a byte count with a human-scale unit suffix.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders an elapsed duration as "XdXhXmXs", dropping
// leading zero components.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute
	d -= mins * time.Minute
	secs := d / time.Second

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh%dm%ds", days, hours, mins, secs)
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, mins, secs)
	case mins > 0:
		return fmt.Sprintf("%dm%ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
