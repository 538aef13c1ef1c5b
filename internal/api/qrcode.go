package api

import (
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
)

// handleQRCode serves a PNG QR code of the server URL, so a phone can join
// by pointing its camera at the display of whatever set the server up.
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	target := s.PublicURL
	if target == "" {
		target = "http://" + r.Host + "/"
	}
	png, err := qrcode.Encode(target, qrcode.Medium, 512)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
