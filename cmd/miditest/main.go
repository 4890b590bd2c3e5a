package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"midiloop/logx"
	"midiloop/midi"
	"midiloop/sequencer"
)

const scanTimeout = 3 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	var err error
	switch os.Args[1] {
	case "list":
		err = listPorts()
	case "note":
		err = playNote(os.Args[2:])
	case "play":
		err = playFile(os.Args[2:])
	case "poll":
		err = pollDevices()
	default:
		usage()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("MIDI Test Scripts")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list                                   - List MIDI output ports")
	fmt.Println("  note <port> <note> [ch] [vel] [ms]     - Play one note (ch 1, vel 100, 500ms)")
	fmt.Println("  play <sequence.json> [seconds]         - Loop a sequence file (Ctrl+C stops)")
	fmt.Println("  poll                                   - Watch for port changes")
}

func listPorts() error {
	fmt.Println("=== MIDI Output Ports ===")
	fmt.Printf("(waiting up to %s...)\n", scanTimeout)

	devices, err := midi.ListOutputs(midi.SystemPorts, scanTimeout)
	if err != nil {
		fmt.Println("\nTIMEOUT! The MIDI driver is hung.")
		fmt.Println("Fix (macOS): sudo killall coreaudiod midiserver")
		return err
	}
	if len(devices) == 0 {
		fmt.Println("  (none)")
	}
	for _, d := range devices {
		fmt.Printf("  %d: %s\n", d.Index, d.Name)
	}
	return nil
}

func playNote(args []string) error {
	if len(args) < 2 {
		usage()
		return nil
	}
	nums := []int{0, 0, 1, 100, 500}
	for i, a := range args {
		if i >= len(nums) {
			break
		}
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		nums[i] = n
	}
	port, note, ch, vel, ms := nums[0], nums[1], nums[2], nums[3], nums[4]

	out := midi.NewOutput(midi.SystemPorts, scanTimeout)
	defer out.Close()

	fmt.Printf("Port %d: note %d on ch %d vel %d for %dms\n", port, note, ch, vel, ms)
	if err := out.SendNote(port, ch, note, vel, true); err != nil {
		return err
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return out.SendNote(port, ch, note, 0, false)
}

func playFile(args []string) error {
	if len(args) < 1 {
		usage()
		return nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	seq, err := sequencer.DecodeSequence(f)
	f.Close()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if len(args) > 1 {
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("seconds: %w", err)
		}
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	_, log := logx.New(logx.Config{Level: "info", Console: true})
	out := midi.NewOutput(midi.SystemPorts, scanTimeout)
	defer out.Close()
	player := sequencer.NewPlayer(out, sequencer.Options{Log: log})

	fmt.Printf("Looping %d steps (%d triggers). Ctrl+C to stop.\n", len(seq.Steps), seq.TriggerCount())
	player.Play(seq)
	<-ctx.Done()
	player.Stop()

	st := player.Status()
	if st.DispatchErrors > 0 {
		fmt.Printf("%d dispatches failed\n", st.DispatchErrors)
	}
	return nil
}

func pollDevices() error {
	fmt.Println("Polling for output port changes every 2 seconds...")
	fmt.Println("Connect/disconnect a device to test. Ctrl+C to exit.")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	out := midi.NewOutput(midi.SystemPorts, scanTimeout)
	defer out.Close()
	dm := midi.NewDeviceManager(out, 2*time.Second, logx.Nop())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-dm.Events():
				fmt.Printf("[%s] %s: %d %s\n", time.Now().Format("15:04:05"), evt.Type, evt.Device.Index, evt.Device.Name)
			}
		}
	}()
	return dm.Run(ctx)
}
