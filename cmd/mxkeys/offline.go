package main

import (
	"context"
	"fmt"

	megolm "github.com/gwillem/megolm-go"
)

// mxkeys is an offline key management tool: it never talks to the device
// directory or sends to-device events. The stubs below satisfy the
// machine's wiring; any path that actually needs them fails loudly.

type offlineDirectory struct{}

func (offlineDirectory) DownloadKeys(_ context.Context, userIDs []string) (map[string][]megolm.DeviceInfo, error) {
	out := make(map[string][]megolm.DeviceInfo, len(userIDs))
	for _, u := range userIDs {
		out[u] = nil
	}
	return out, nil
}

func (offlineDirectory) DeviceWithIdentityKey(context.Context, string, string) (*megolm.DeviceInfo, error) {
	return nil, nil
}

func (offlineDirectory) UserDevice(context.Context, string, string) (*megolm.DeviceInfo, error) {
	return nil, nil
}

type offlineSender struct{}

func (offlineSender) SendToDevice(context.Context, string, map[string]map[string]any) error {
	return fmt.Errorf("mxkeys works offline and cannot send to-device events")
}
