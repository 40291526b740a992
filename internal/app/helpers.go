package app

import (
	"strings"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns the listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(peerDir, cfgPath string) {
	log.Infof("────────────────────────────────────────")
	log.Infof("roomcall peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" One process is one peer; a different folder is a different peer.")
	log.Infof("────────────────────────────────────────")
}
