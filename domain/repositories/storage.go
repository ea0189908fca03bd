package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/wrangler/domain/entities"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceExists       = errors.New("device with this serial number already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// DeviceRepository defines data access methods for devices
type DeviceRepository interface {
	// Register stores a device together with its plain secret, which is hashed before storage
	Register(ctx context.Context, device *entities.Device, secret string) error
	GetByID(ctx context.Context, id string) (*entities.Device, error)
	GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error)
	Delete(ctx context.Context, id string) error
	// ValidateDevice validates device credentials for authentication
	ValidateDevice(ctx context.Context, serialNumber, secret string) (*entities.Device, error)
}
