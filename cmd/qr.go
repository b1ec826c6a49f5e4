package main

import (
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

// displayQRCode prints url as a terminal QR code followed by the plain
// text, falling back to text alone if the code cannot be generated.
func displayQRCode(w io.Writer, url string) {
	// Medium error correction keeps the code small enough for a terminal.
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "  %s\n", url)
		return
	}

	fmt.Fprintln(w, "")
	// ToSmallString(false) uses half-block characters without a border.
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintf(w, "  %s\n\n", url)
}
