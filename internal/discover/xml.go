package discover

import "encoding/xml"

// Document shapes for the two autoconfiguration protocols.
//
// clientConfig follows the Thunderbird format, see
// https://wiki.mozilla.org/Thunderbird:Autoconfiguration:ConfigFileFormat
// The autodiscover shapes follow the Microsoft Exchange POX schema.

type clientConfig struct {
	XMLName       xml.Name `xml:"clientConfig"`
	Version       string   `xml:"version,attr"`
	EmailProvider struct {
		ID              string             `xml:"id,attr"`
		Domain          string             `xml:"domain"`
		DisplayName     string             `xml:"displayName"`
		IncomingServers []clientConfigHost `xml:"incomingServer"`
		OutgoingServers []clientConfigHost `xml:"outgoingServer"`
	} `xml:"emailProvider"`
}

type clientConfigHost struct {
	Type           string `xml:"type,attr"`
	Hostname       string `xml:"hostname"`
	Port           int    `xml:"port"`
	SocketType     string `xml:"socketType"`
	Username       string `xml:"username"`
	Authentication string `xml:"authentication"`
}

const (
	autodiscoverRequestSchema  = "http://schemas.microsoft.com/exchange/autodiscover/outlook/requestschema/2006"
	autodiscoverResponseSchema = "http://schemas.microsoft.com/exchange/autodiscover/outlook/responseschema/2006a"
)

type autodiscoverRequest struct {
	XMLName xml.Name `xml:"http://schemas.microsoft.com/exchange/autodiscover/outlook/requestschema/2006 Autodiscover"`
	Request struct {
		EmailAddress             string `xml:"EMailAddress"`
		AcceptableResponseSchema string `xml:"AcceptableResponseSchema"`
	} `xml:"Request"`
}

type autodiscoverResponse struct {
	XMLName  xml.Name `xml:"Autodiscover"`
	Response struct {
		Account struct {
			AccountType string                 `xml:"AccountType"`
			Action      string                 `xml:"Action"`
			Protocol    []autodiscoverProtocol `xml:"Protocol"`
		} `xml:"Account"`
	} `xml:"Response"`
}

type autodiscoverProtocol struct {
	Type       string `xml:"Type"`
	Server     string `xml:"Server"`
	Port       int    `xml:"Port"`
	LoginName  string `xml:"LoginName"`
	SSL        string `xml:"SSL"`
	Encryption string `xml:"Encryption"`
}
