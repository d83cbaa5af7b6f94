// Package device defines the narrow BLE platform contract the sensor driver
// consumes: advertisement scanning, GATT connections with characteristic
// read and notify, and connection ownership reporting.
//
// The contract is intentionally small so the session state machine can be
// exercised against a scripted fake platform. The production implementation
// lives in the go-ble subpackage.
package device
