// Package devdesc parses device description files: the bank geometry, the
// tile instances with the regions each one owns, and the hidden attribute
// encoding used by the simulated backend.
//
// A description looks like this:
//
//	device "sim8" {
//	  bank 0 frames 8 width 16 absent 7;
//	  register "CTRL" width 8;
//	  bankregister "IOSTD" width 4;
//
//	  tile PLC "R1C1" tags CARRY {
//	    grid bank 0 frames 0..1 bits 0..7;
//	  }
//	  tile IO "IOB0" {
//	    bankregister "IOSTD" bank 0 bits 0..3;
//	  }
//
//	  feature PLC SLICE MODE = RAM needs CARRY bits 0:0:1, !0:0:2;
//	  feature PLC LUT INIT bits 0:1:0, 0:1:1, 0:1:2, 0:1:3;
//	}
//
// Bit references are tile-local: region index, frame within the region and
// bit within the region. A feature without a value describes a bit-vector
// attribute whose lanes are the listed bits in order.
package devdesc
