package msg

import "fmt"

// Location addresses one extension inside one running graph inside one
// app. AppURI "localhost" means the owning app; GraphID is a UUID4 string
// naming a running graph instance.
type Location struct {
	AppURI        string `msgpack:"app" json:"app,omitempty"`
	GraphID       string `msgpack:"graph" json:"graph,omitempty"`
	ExtensionName string `msgpack:"extension" json:"extension,omitempty"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s/%s", l.AppURI, l.GraphID, l.ExtensionName)
}

// IsLocal reports whether loc targets the given graph id running on this
// app (empty AppURI is treated as local, matching inbound messages that
// never named an app).
func (l Location) IsLocal(graphID string) bool {
	return (l.AppURI == "" || l.AppURI == "localhost") && l.GraphID == graphID
}
