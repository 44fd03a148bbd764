package client

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/path"
)

const (
	connRetries     = 120
	connRetryPeriod = 500 * time.Millisecond
)

// initSnapshot loads the initial resources retrying while the service is not up yet.
func (d *Driver) initSnapshot() error {
	opStart := time.Now()
	for retry := 0; ; retry++ {
		err := d.search(d.cfg.ResourceTypes[0])
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.ECONNREFUSED) || retry >= connRetries {
			return err
		}

		select {
		case <-time.After(connRetryPeriod):
		case <-d.stopCh:
			return fmt.Errorf("stopped")
		}
	}
	for _, resType := range d.cfg.ResourceTypes[1:] {
		if err := d.search(resType); err != nil {
			return err
		}
	}

	cnt := 0
	for _, resType := range d.cfg.ResourceTypes {
		cnt += len(d.engine.List(resType))
	}
	glog.Infof("%s: initial snapshot received: %d resources within %v", d.String(), cnt, time.Since(opStart))

	return nil
}

// sendUpdates records random local edits and submits them.
func (d *Driver) sendUpdates() {
	failed := d.takeFailedScopes()
	if len(failed) > 0 {
		discarded := d.engine.Discard(failed...)
		glog.V(1).Infof("%s: %d rejected entries discarded", d.String(), len(discarded))
	}

	editN := d.rnd.Intn(d.cfg.EditMax) + 1
	edited := 0
	for i := 0; i < editN; i++ {
		scope := d.cfg.Scopes[d.rnd.Intn(len(d.cfg.Scopes))]

		var err error
		switch d.rnd.Intn(3) {
		case 0:
			err = d.createRandom(scope)
		case 1:
			err = d.updateRandom(scope)
		case 2:
			err = d.removeRandom(scope)
		}
		if err != nil {
			glog.V(2).Infof("%s: edit skipped: %v", d.String(), err)
			continue
		}
		edited++
	}

	pending := len(d.engine.Pending())
	if pending == 0 {
		return
	}
	if d.pendingSince.IsZero() {
		d.pendingSince = time.Now()
	}

	opStart := time.Now()
	sub := d.engine.Submit(d.ctx, d.cfg.Scopes...)
	sub.OnError(func(err error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.failures++
		for _, scope := range sub.Scopes {
			d.failedScopes = append(d.failedScopes, scope.Scope)
		}
		glog.V(1).Infof("%s: submission failed: %v", d.String(), err)
	})

	glog.V(1).Infof("%s: [%v] %d edits, %d pending entries submitted", d.String(), time.Since(opStart), edited, pending)
}

// pollUpdates refreshes the loaded resources.
func (d *Driver) pollUpdates() error {
	opStart := time.Now()
	for _, resType := range d.cfg.ResourceTypes {
		if err := d.search(resType); err != nil {
			return err
		}
	}

	pending := len(d.engine.Pending())
	glog.V(1).Infof("%s: [%v] resources refreshed (%d pending)", d.String(), time.Since(opStart), pending)

	if pending == 0 && !d.pendingSince.IsZero() {
		glog.Infof("%s: consistency achieved within %v", d.String(), time.Since(d.pendingSince))
		d.pendingSince = time.Time{}
	}

	return nil
}

// search loads up to SearchCount resources of resType.
func (d *Driver) search(resType string) error {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	return d.engine.Search(ctx, "driver:"+resType, fmt.Sprintf("%s?_count=%d", resType, d.cfg.SearchCount))
}

func (d *Driver) createRandom(scope string) error {
	resType := d.cfg.ResourceTypes[d.rnd.Intn(len(d.cfg.ResourceTypes))]

	seed := model.Resource{}
	switch resType {
	case "Patient":
		seed["active"] = true
		seed["name"] = []any{
			map[string]any{"given": []any{fmt.Sprintf("Driver-%d-%d", d.cfg.ID, d.rnd.Intn(1000))}},
		}
	case "Encounter":
		seed["status"] = "planned"
		if subject, ok := d.randomKey("Patient"); ok {
			seed["subject"] = map[string]any{"reference": subject.String()}
		}
	case "Organization":
		seed["name"] = fmt.Sprintf("Org %d", d.rnd.Intn(1000))
	}

	_, err := d.engine.Create(resType, seed, scope)

	return err
}

func (d *Driver) updateRandom(scope string) error {
	resType := d.cfg.ResourceTypes[d.rnd.Intn(len(d.cfg.ResourceTypes))]
	key, ok := d.randomKey(resType)
	if !ok {
		return fmt.Errorf("%s: nothing to update", resType)
	}

	var p string
	var value any
	switch resType {
	case "Patient":
		p, value = "/"+key.String()+"/telecom[system=phone]/value", fmt.Sprintf("+1-555-%04d", d.rnd.Intn(10000))
	case "Encounter":
		p, value = "/"+key.String()+"/status", []string{"planned", "in-progress", "finished"}[d.rnd.Intn(3)]
	default:
		p, value = "/"+key.String()+"/active", d.rnd.Intn(2) == 0
	}

	return d.engine.Set(p, value, path.WithScope(scope))
}

func (d *Driver) removeRandom(scope string) error {
	resType := d.cfg.ResourceTypes[d.rnd.Intn(len(d.cfg.ResourceTypes))]
	key, ok := d.randomKey(resType)
	if !ok {
		return fmt.Errorf("%s: nothing to remove", resType)
	}

	return d.engine.Remove(scope, "/"+key.String())
}

// randomKey picks a visible resource of resType.
func (d *Driver) randomKey(resType string) (model.ResourceKey, bool) {
	keys := d.engine.List(resType)
	if len(keys) == 0 {
		return model.ResourceKey{}, false
	}

	return keys[d.rnd.Intn(len(keys))], true
}

func (d *Driver) takeFailedScopes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	scopes := d.failedScopes
	d.failedScopes = nil

	return scopes
}
