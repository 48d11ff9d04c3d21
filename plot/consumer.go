package plot

import (
	"github.com/golang/glog"

	"github.com/hb9tf/spectran/acquisition"
	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/psd"
)

// Writer is an acquisition.Consumer that renders the aggregate spectrum to an image file. It
// renders on the settle update, and on every progress update with a computed spectrum if Live
// is set. Unit is the config unit of the data and is labelled through UnitLabel.
type Writer struct {
	Path    string
	Unit    string
	Live    bool
	Options Options

	// Last is the state the observed run finished in.
	Last acquisition.State
}

func (w *Writer) OnProgress(index int, settle bool, snap psd.Snapshot) {
	if snap.Done == 0 || (!settle && !w.Live) {
		return
	}
	img, err := Spectrum(snap.Frequencies, snap.Aggregate, UnitLabel(w.Unit), w.Options)
	if err != nil {
		glog.Warningf("unable to plot spectrum after average %d: %s", index, err)
		return
	}
	if err := WriteImage(w.Path, img); err != nil {
		glog.Warningf("unable to write plot: %s", err)
		return
	}
	glog.V(2).Infof("Plotted %d/%d averages to %s", snap.Done, snap.Rows, w.Path)
}

func (w *Writer) OnError(kind daq.Kind, message string) {
	glog.Warningf("Measurement error (%s): %s", kind, message)
}

func (w *Writer) OnFinished(state acquisition.State) {
	w.Last = state
}
