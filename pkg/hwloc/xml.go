// Copyright The Quo-Vadis Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hwloc

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// The XML export exists so that clients can import the daemon's topology
// by path instead of re-discovering it. The schema is private to
// quo-vadis; a round trip restores a structurally equal topology.

type xmlTopology struct {
	XMLName xml.Name    `xml:"topology"`
	Machine string      `xml:"machine,attr"`
	Objects []xmlObject `xml:"object"`
	Devices []xmlDevice `xml:"device"`
}

type xmlObject struct {
	Type string `xml:"type,attr"`
	ID   int    `xml:"id,attr"`
	CPUs string `xml:"cpuset,attr"`
}

type xmlDevice struct {
	Type     string `xml:"type,attr"`
	Vendor   int32  `xml:"vendor,attr"`
	SMI      int    `xml:"smi,attr"`
	ID       int    `xml:"id,attr"`
	Name     string `xml:"name,attr"`
	PCIBusID string `xml:"pci,attr"`
	UUID     string `xml:"uuid,attr"`
	Affinity string `xml:"affinity,attr"`
}

// Export writes the loaded topology as an XML file under the given
// directory and returns its path. The file name carries the pid and a
// random nonce; the file mode is 0644.
func (t *Topology) Export(dir string) (string, error) {
	if err := t.requireLoaded(); err != nil {
		return "", err
	}
	doc := xmlTopology{Machine: t.machine.String()}
	for _, typ := range []ObjType{
		ObjMachine, ObjPackage, ObjNUMANode, ObjL3Cache, ObjL2Cache,
		ObjL1Cache, ObjCore, ObjPU,
	} {
		for _, obj := range t.objs[typ] {
			doc.Objects = append(doc.Objects, xmlObject{
				Type: typ.String(),
				ID:   int(obj.ID),
				CPUs: obj.CPUs.String(),
			})
		}
	}
	for _, dev := range t.devices {
		doc.Devices = append(doc.Devices, xmlDevice{
			Type:     dev.Type.String(),
			Vendor:   int32(dev.Vendor),
			SMI:      dev.SMI,
			ID:       dev.ID,
			Name:     dev.Name,
			PCIBusID: dev.PCIBusID,
			UUID:     dev.UUID,
			Affinity: dev.Affinity.String(),
		})
	}

	raw, err := xml.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return "", errors.Wrapf(qverr.ErrInternal, "topology marshal: %v", err)
	}
	nonce := uuid.NewString()[:8]
	path := filepath.Join(dir, fmt.Sprintf("qv-hwtopo-%d-%s.xml", os.Getpid(), nonce))
	if err := os.WriteFile(path, append([]byte(xml.Header), raw...), 0o644); err != nil {
		return "", errors.Wrapf(qverr.ErrFileIO, "topology export: %v", err)
	}
	t.Debug("exported topology to %s", path)
	return path, nil
}

// LoadXML imports a topology previously written by Export.
func (t *Topology) LoadXML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(qverr.ErrFileIO, "topology import: %v", err)
	}
	var doc xmlTopology
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return errors.Wrapf(qverr.ErrHwloc, "topology parse: %v", err)
	}

	machine, err := cpuset.Parse(doc.Machine)
	if err != nil {
		return errors.Wrapf(qverr.ErrHwloc, "bad machine cpuset %q", doc.Machine)
	}

	t.objs = make(map[ObjType][]*Object)
	t.devices = nil
	t.machine = machine
	for _, xo := range doc.Objects {
		typ, err := objTypeFromString(xo.Type)
		if err != nil {
			return errors.Wrapf(qverr.ErrHwloc, "bad object type %q", xo.Type)
		}
		cpus, err := cpuset.Parse(xo.CPUs)
		if err != nil {
			return errors.Wrapf(qverr.ErrHwloc, "bad cpuset %q", xo.CPUs)
		}
		t.objs[typ] = append(t.objs[typ], &Object{
			Type: typ,
			ID:   idset.ID(xo.ID),
			CPUs: cpus,
		})
	}
	for _, xd := range doc.Devices {
		typ, err := objTypeFromString(xd.Type)
		if err != nil {
			return errors.Wrapf(qverr.ErrHwloc, "bad device type %q", xd.Type)
		}
		affinity, err := cpuset.Parse(xd.Affinity)
		if err != nil {
			return errors.Wrapf(qverr.ErrHwloc, "bad device affinity %q", xd.Affinity)
		}
		t.devices = append(t.devices, &Device{
			Type:     typ,
			Vendor:   VendorID(xd.Vendor),
			SMI:      xd.SMI,
			ID:       xd.ID,
			Name:     xd.Name,
			PCIBusID: xd.PCIBusID,
			UUID:     xd.UUID,
			Affinity: affinity,
		})
	}
	t.sortObjects()
	t.loaded = true
	t.Debug("imported topology from %s", path)
	return nil
}

// synthesizeUUID derives a stable UUID for devices whose vendor does not
// publish one.
func synthesizeUUID(busID string) string {
	return "GPU-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte("quo-vadis:"+busID)).String()
}
