// Package topics with the io7 MQTT topic namespace
// All ACL topic patterns handed to the broker are derived here, they are never hand-authored.
package topics

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultNamespace is the root of all device topics
const DefaultNamespace = "iot3"

// Wildcard used as device ID to produce the system role templates
const Wildcard = "+"

// Topic templates. {ns} is the namespace and {id} the device ID.
const (
	TopicCmd         = "{ns}/{id}/cmd/+/fmt/+"
	TopicEvt         = "{ns}/{id}/evt/+/fmt/+"
	TopicStatus      = "{ns}/{id}/mgmt/device/status"
	TopicMeta        = "{ns}/{id}/mgmt/device/meta"
	TopicUpdate      = "{ns}/{id}/mgmt/device/update"
	TopicReboot      = "{ns}/{id}/mgmt/initiate/device/reboot"
	TopicReset       = "{ns}/{id}/mgmt/initiate/device/factory_reset"
	TopicUpgrade     = "{ns}/{id}/mgmt/initiate/firmware/update"
	TopicGatewayQry  = "{ns}/{id}/gateway/query"
	TopicGatewayAdd  = "{ns}/{id}/gateway/add"
	TopicGatewayList = "{ns}/{id}/gateway/list"

	TopicAppSubscribe = "{ns}/+/evt/#"
	TopicAppPublish   = "{ns}/+/cmd/#"
	TopicMgmt         = "{ns}/+/mgmt/#"
)

// levelMetaChars can't be part of a single topic level
const levelMetaChars = "/+#\x00"

// ErrInvalidID is returned for an ID that isn't a single plain topic level
var ErrInvalidID = errors.New("id contains a topic separator or wildcard")

// CheckID fails when the ID can't be used as the device level of a topic
func CheckID(id string) error {
	if strings.ContainsAny(id, levelMetaChars) {
		return fmt.Errorf("%w: '%s'", ErrInvalidID, id)
	}
	return nil
}

// DeviceTopics holds the full topic set of a single device
type DeviceTopics struct {
	ID      string
	Cmd     string
	Evt     string
	Status  string
	Meta    string
	Update  string
	Reboot  string
	Reset   string
	Upgrade string
	// gateway only
	GatewayQuery string
	GatewayAdd   string
	GatewayList  string
}

// Expand substitutes the namespace and device ID into a topic template
func Expand(template string, ns string, id string) string {
	topic := strings.ReplaceAll(template, "{ns}", ns)
	return strings.ReplaceAll(topic, "{id}", id)
}

// For returns the topics of device id in namespace ns.
// Use Wildcard as id for the role templates used by the system roles.
func For(ns string, id string) DeviceTopics {
	return DeviceTopics{
		ID:           id,
		Cmd:          Expand(TopicCmd, ns, id),
		Evt:          Expand(TopicEvt, ns, id),
		Status:       Expand(TopicStatus, ns, id),
		Meta:         Expand(TopicMeta, ns, id),
		Update:       Expand(TopicUpdate, ns, id),
		Reboot:       Expand(TopicReboot, ns, id),
		Reset:        Expand(TopicReset, ns, id),
		Upgrade:      Expand(TopicUpgrade, ns, id),
		GatewayQuery: Expand(TopicGatewayQry, ns, id),
		GatewayAdd:   Expand(TopicGatewayAdd, ns, id),
		GatewayList:  Expand(TopicGatewayList, ns, id),
	}
}

// AppSubscribe is the pattern the shared $apps role subscribes to
func AppSubscribe(ns string) string {
	return Expand(TopicAppSubscribe, ns, "")
}

// AppPublish is the pattern the shared $apps role publishes to
func AppPublish(ns string) string {
	return Expand(TopicAppPublish, ns, "")
}

// Mgmt is the management pattern granted to the $io7_adm role
func Mgmt(ns string) string {
	return Expand(TopicMgmt, ns, "")
}

// RoleName returns the broker role name for a device ID.
// Colons are not accepted in role names and are replaced with a dash.
func RoleName(id string) string {
	return strings.ReplaceAll(id, ":", "-")
}
