// Package device defines the BLE central contracts used to reach the ESP32
// peripheral, independent of the transport library underneath.
//
// The package covers:
//   - Adapter enablement and scan-and-connect by advertised name
//   - Connection lifecycle (Disconnected, Connecting, Connected, Disconnecting)
//   - GATT writes and notification subscriptions on known characteristics
//   - A shared error taxonomy that every backend normalizes into
//
// Concrete backends live in the go-ble, tinygo and sim subpackages.
package device
