package avtransport

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// mimeByExt maps video file extensions to the MIME type advertised in
// DIDL-Lite protocolInfo and in streaming responses.
var mimeByExt = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".ts":   "video/MP2T",
	".m2ts": "video/MP2T",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".webm": "video/webm",
	".wmv":  "video/x-ms-wmv",
}

// dlnaProfileByMIME maps MIME types to the DLNA profile announced in
// contentFeatures / protocolInfo. Renderers use the profile to decide whether
// they can decode without asking for transcoding.
var dlnaProfileByMIME = map[string]string{
	"video/mp4":         "AVC_MP4_BL_CIF15_AAC_520",
	"video/x-matroska":  "MATROSKA",
	"video/x-msvideo":   "AVI",
	"video/quicktime":   "QT",
	"video/MP2T":        "MPEG_TS_SD_EU_ISO",
	"video/mpeg":        "MPEG_PS_PAL",
	"video/webm":        "WEBM",
	"video/x-ms-wmv":    "WMVMED_FULL",
}

const defaultMIME = "video/mp4"

// MIMEForPath returns the MIME type for a video path, defaulting to mp4.
func MIMEForPath(path string) string {
	if m, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return m
	}
	return defaultMIME
}

// DLNAProfile returns the profile for a MIME type, or "" when unknown.
func DLNAProfile(mime string) string {
	return dlnaProfileByMIME[mime]
}

// ContentFeatures is the contentFeatures.dlna.org header value for a MIME
// type: profile, byte-seek op, no conversion, streaming flags.
func ContentFeatures(mime string) string {
	features := "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01500000000000000000000000000000"
	if p := DLNAProfile(mime); p != "" {
		return "DLNA.ORG_PN=" + p + ";" + features
	}
	return features
}

// BuildDIDL renders the DIDL-Lite metadata for SetAVTransportURI. duration 0
// omits the res duration attribute (some renderers reject "0:00:00").
func BuildDIDL(mediaURL, title string, duration time.Duration) string {
	mime := MIMEForPath(mediaURL)
	protocolInfo := "http-get:*:" + mime + ":"
	if p := DLNAProfile(mime); p != "" {
		protocolInfo += "DLNA.ORG_PN=" + p + ";DLNA.ORG_OP=01;DLNA.ORG_CI=0"
	} else {
		protocolInfo += "*"
	}
	durAttr := ""
	if duration > 0 {
		durAttr = fmt.Sprintf(` duration="%s"`, FormatClock(duration))
	}
	return fmt.Sprintf(
		`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"`+
			` xmlns:dc="http://purl.org/dc/elements/1.1/"`+
			` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`+
			`<item id="0" parentID="-1" restricted="1">`+
			`<dc:title>%s</dc:title>`+
			`<upnp:class>object.item.videoItem</upnp:class>`+
			`<res protocolInfo="%s"%s>%s</res>`+
			`</item></DIDL-Lite>`,
		xmlEscape(title), protocolInfo, durAttr, xmlEscape(mediaURL))
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
