package whatsapp

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// QRDataURL renders a pairing code as a base64 PNG data URL.
func QRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PrintQR writes a terminal rendition of the pairing code to w.
func PrintQR(w io.Writer, phone, code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n\x1b[36mScan this QR code with WhatsApp to link %s\x1b[0m\n%s\n", phone, qr.ToSmallString(false))
	return err
}
