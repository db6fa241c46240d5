// Package manscdp implements the GB28181 MANSCDP XML application protocol
// carried in SIP MESSAGE bodies: command envelopes, their typed payloads and
// the legacy GB2312 charset handling.
package manscdp

import "encoding/xml"

// Envelope categories (the XML root element of a MANSCDP body)
const (
	CategoryQuery    = "Query"
	CategoryResponse = "Response"
	CategoryNotify   = "Notify"
	CategoryControl  = "Control"
)

// Command types
const (
	CmdCatalog       = "Catalog"
	CmdKeepalive     = "Keepalive"
	CmdDeviceInfo    = "DeviceInfo"
	CmdDeviceControl = "DeviceControl"
)

// ContentType is the MIME type MANSCDP bodies are sent with
const ContentType = "Application/MANSCDP+xml"

// CatalogQuery asks a device to enumerate its channel catalog
type CatalogQuery struct {
	XMLName  xml.Name `xml:"Query"`
	CmdType  string   `xml:"CmdType"`
	SN       string   `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
}

// CatalogItem is one channel entry of a catalog response
type CatalogItem struct {
	DeviceID     string  `xml:"DeviceID"`
	Name         string  `xml:"Name"`
	Manufacturer string  `xml:"Manufacturer"`
	Model        string  `xml:"Model"`
	Owner        string  `xml:"Owner"`
	CivilCode    string  `xml:"CivilCode"`
	Address      string  `xml:"Address"`
	Parental     int     `xml:"Parental"`
	ParentID     string  `xml:"ParentID"`
	SafetyWay    int     `xml:"SafetyWay"`
	RegisterWay  string  `xml:"RegisterWay"`
	Secrecy      int     `xml:"Secrecy"`
	IPAddress    string  `xml:"IPAddress"`
	Port         int     `xml:"Port"`
	Status       string  `xml:"Status"`
	Longitude    float64 `xml:"Longitude"`
	Latitude     float64 `xml:"Latitude"`
}

// DeviceList wraps the catalog items of one response part
type DeviceList struct {
	Num   int           `xml:"Num,attr"`
	Items []CatalogItem `xml:"Item"`
}

// CatalogResponse is one (possibly partial) answer to a CatalogQuery.
// SumNum declares the total item count across all parts of the exchange.
type CatalogResponse struct {
	XMLName    xml.Name   `xml:"Response"`
	CmdType    string     `xml:"CmdType"`
	SN         string     `xml:"SN"`
	DeviceID   string     `xml:"DeviceID"`
	SumNum     int        `xml:"SumNum"`
	DeviceList DeviceList `xml:"DeviceList"`
}

// KeepaliveNotify is the periodic liveness report of a device
type KeepaliveNotify struct {
	XMLName  xml.Name `xml:"Notify"`
	CmdType  string   `xml:"CmdType"`
	SN       string   `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
	Status   string   `xml:"Status"`
}

// DeviceInfoQuery asks a device for its descriptive information
type DeviceInfoQuery struct {
	XMLName  xml.Name `xml:"Query"`
	CmdType  string   `xml:"CmdType"`
	SN       string   `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
}

// DeviceInfoResponse carries a device's descriptive information
type DeviceInfoResponse struct {
	XMLName      xml.Name `xml:"Response"`
	CmdType      string   `xml:"CmdType"`
	SN           string   `xml:"SN"`
	DeviceID     string   `xml:"DeviceID"`
	DeviceName   string   `xml:"DeviceName"`
	Result       string   `xml:"Result"`
	Manufacturer string   `xml:"Manufacturer"`
	Model        string   `xml:"Model"`
	Firmware     string   `xml:"Firmware"`
	Channel      int      `xml:"Channel"`
}

// DeviceControl carries a PTZ command to a device
type DeviceControl struct {
	XMLName  xml.Name `xml:"Control"`
	CmdType  string   `xml:"CmdType"`
	SN       string   `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
	PTZCmd   string   `xml:"PTZCmd"`
}
