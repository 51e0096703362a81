package peoplecounter

import (
	"context"
	"fmt"
)

// Flows are the automation cards of the people counter. Conditions answer
// from published capability values; actions go through the device session.
type Flows struct {
	driver *Driver
	host   Host
}

func NewFlows(driver *Driver, host Host) *Flows {
	return &Flows{driver: driver, host: host}
}

func (f *Flows) device(ieee string) (*Device, error) {
	dev, ok := f.driver.Device(ieee)
	if !ok {
		return nil, fmt.Errorf("%s: %w", ieee, ErrNotAttached)
	}
	return dev, nil
}

// People returns the published count. ok is false before the first refresh.
func (f *Flows) People(ieee string) (n int, ok bool, err error) {
	if _, err := f.device(ieee); err != nil {
		return 0, false, err
	}
	v, ok := f.host.CapabilityValue(ieee, CapMeasurePeople)
	if !ok {
		return 0, false, nil
	}
	c, ok := toFloat(v)
	return int(c), ok, nil
}

// PeopleAbove is the if_people_above condition: count >= n.
func (f *Flows) PeopleAbove(ieee string, n int) (bool, error) {
	count, ok, err := f.People(ieee)
	if err != nil || !ok {
		return false, err
	}
	return count >= n, nil
}

// Occupied is the get_people condition: the published alarm_motion.
func (f *Flows) Occupied(ieee string) (bool, error) {
	if _, err := f.device(ieee); err != nil {
		return false, err
	}
	v, _ := f.host.CapabilityValue(ieee, CapAlarmMotion)
	occupied, _ := v.(bool)
	return occupied, nil
}

// SetPeopleCount is the set_people_count action.
func (f *Flows) SetPeopleCount(ctx context.Context, ieee string, n int) error {
	dev, err := f.device(ieee)
	if err != nil {
		return err
	}
	return dev.SetPeopleValue(ctx, n)
}

func (f *Flows) Refresh(ctx context.Context, ieee string) error {
	dev, err := f.device(ieee)
	if err != nil {
		return err
	}
	return dev.Refresh(ctx)
}
