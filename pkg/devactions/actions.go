// Package devactions with the management actions sent to devices
package devactions

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/topics"
)

// ErrEmptyURL is returned for a firmware upgrade without firmware location
var ErrEmptyURL = errors.New("firmware url is empty")

// Field of a device update request
type Field struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

type updateRequest struct {
	D struct {
		Fields []Field `json:"fields"`
	} `json:"d"`
}

type upgradeRequest struct {
	D struct {
		Upgrade struct {
			FwURL string `json:"fw_url"`
		} `json:"upgrade"`
	} `json:"d"`
}

// Actions publishes management requests on the device's mgmt topics
type Actions struct {
	store  *identity.Store
	sender dynsec.Sender
	ns     string
}

// send publishes the message after checking the device exists
func (actions *Actions) send(devID string, template string, msg interface{}) error {
	if _, err := actions.store.Device(devID); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	return actions.sender.Enqueue(topics.Expand(template, actions.ns, devID), payload)
}

// Reboot asks the device to restart
func (actions *Actions) Reboot(devID string) error {
	logrus.Infof("Actions.Reboot: Rebooting the device '%s'", devID)
	return actions.send(devID, topics.TopicReboot, struct{}{})
}

// FactoryReset asks the device to return to its factory settings
func (actions *Actions) FactoryReset(devID string) error {
	logrus.Infof("Actions.FactoryReset: Factory resetting the device '%s'", devID)
	return actions.send(devID, topics.TopicReset, struct{}{})
}

// UpdateMetadata replaces the metadata field of the device
func (actions *Actions) UpdateMetadata(devID string, metadata interface{}) error {
	logrus.Infof("Actions.UpdateMetadata: Updating metadata on '%s'", devID)
	req := updateRequest{}
	req.D.Fields = []Field{{Field: "metadata", Value: metadata}}
	return actions.send(devID, topics.TopicUpdate, req)
}

// UpgradeFirmware asks the device to download and install the firmware at fwURL
func (actions *Actions) UpgradeFirmware(devID string, fwURL string) error {
	if fwURL == "" {
		return ErrEmptyURL
	}
	logrus.Infof("Actions.UpgradeFirmware: Upgrading firmware on '%s' from %s", devID, fwURL)
	req := upgradeRequest{}
	req.D.Upgrade.FwURL = fwURL
	return actions.send(devID, topics.TopicUpgrade, req)
}

// NewActions creates the device actions publishing through sender
func NewActions(store *identity.Store, sender dynsec.Sender, ns string) *Actions {
	if ns == "" {
		ns = topics.DefaultNamespace
	}
	return &Actions{store: store, sender: sender, ns: ns}
}
