package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/esp32ble/internal/device"
)

// Advertisement wraps ble.Advertisement to implement device.Advertisement
type Advertisement struct {
	adv ble.Advertisement
}

// NewAdvertisement creates a new Advertisement wrapper
func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &Advertisement{adv: adv}
}

func (a *Advertisement) LocalName() string { return a.adv.LocalName() }
func (a *Advertisement) Connectable() bool { return a.adv.Connectable() }
func (a *Advertisement) RSSI() int         { return a.adv.RSSI() }

func (a *Advertisement) Addr() string {
	if addr := a.adv.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (a *Advertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = device.NormalizeUUID(svc.String())
	}
	return result
}
