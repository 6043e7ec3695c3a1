/*
Package binlog implements the MySQL binary-log replication protocol: it
attaches to a server as a replica, decodes its binlog event stream, and
delivers a long-lived, filterable sequence of change events.

The Streamer type is the entry point for most callers:

	s := binlog.NewStreamer(binlog.Config{
		Addr:         "127.0.0.1:3306",
		User:         "root",
		Password:     "secret",
		ServerID:     1024,
		ResumeStream: true,
		LogFile:      "binlog.000001",
		LogPos:       4,
		OnlyTables:   []string{"orders"},
	})
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close()

	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch data := ev.Data.(type) {
		case binlog.RowsResult:
			for _, row := range data.Rows {
				fmt.Printf("%s.%s: %v\n", data.Schema, data.Table, row.Values)
			}
		case binlog.GtidEvent:
			fmt.Printf("gtid sid=%x gno=%d\n", data.SID, data.GNO)
		}
	}

Next transparently reconnects and resumes from the last known position when
the connection drops (error code 2013 "connection lost" or 2006 "server
gone away"); any other error is fatal and the consumer should treat it as a
signal to reopen with the last position it observed via s.Position().

Position either by (LogFile, LogPos) or, for GTID-aware masters, by setting
Config.AutoPosition to a *GTIDSet built with binlog.ParseGTIDSet. At most
one of the two may be set; with neither, streaming starts at the master's
current position as reported by SHOW MASTER STATUS.

Streamer is built on the lower-level Remote connection (Dial, Authenticate,
Seek/SeekGTID, NextEvent, NextRow), which callers that need finer control
over the dump session can use directly.
*/
package binlog
